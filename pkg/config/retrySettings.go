package config

import "github.com/zoff-tech/payload-gateway/pkg/payload"

// RetrySettings lists the delay before each retry attempt.
type RetrySettings struct {
	DelaysMilliseconds []int `mapstructure:"delays_milliseconds" validate:"dive,gte=0"`
}

func (r RetrySettings) Schedule() payload.RetrySchedule {
	return payload.NewRetrySchedule(r.DelaysMilliseconds)
}
