package config

import (
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var absolutePath = regexp.MustCompile(`^/`)

// Validate checks the whole configuration. Sections implement
// validation.Validatable and are validated through their own Validate.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server),
		validation.Field(&c.Endpoints),
		validation.Field(&c.Upstream),
		validation.Field(&c.Log),
		validation.Field(&c.Admin),
		validation.Field(&c.Metrics),
	)
}

// Validate checks listen and limit settings.
func (s ServerConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Port, validation.Min(0), validation.Max(65535)),
		validation.Field(&s.BodyMaxBytes, validation.Min(int64(0))),
		validation.Field(&s.RateLimit),
	)
}

// Validate requires a positive rate when limiting is enabled.
func (r RateLimitConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.RequestsPerSecond,
			validation.When(r.Enabled, validation.Required, validation.Min(0.0).Exclusive()),
		),
	)
}

// Validate requires a write endpoint and at least one read endpoint.
func (e EndpointsConfig) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.Write, validation.Required, validation.By(validateEndpointURL)),
		validation.Field(&e.Read, validation.Required, validation.Each(validation.By(validateEndpointURL))),
	)
}

func (u UpstreamConfig) Validate() error {
	return validation.ValidateStruct(&u,
		validation.Field(&u.TimeoutSeconds, validation.Min(0)),
		validation.Field(&u.IdleConnections, validation.Min(0)),
	)
}

func (l LogConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level, validation.In("debug", "info", "warn", "error")),
		validation.Field(&l.Format, validation.In("json", "text")),
	)
}

func (a AdminConfig) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.Port, validation.Min(0), validation.Max(65535)),
	)
}

func (m MetricsConfig) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Path,
			validation.When(m.Enabled, validation.Match(absolutePath).Error("must start with '/'")),
		),
	)
}
