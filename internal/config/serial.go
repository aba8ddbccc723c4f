package config

import (
	"time"

	"github.com/KevinKickass/OpenTestStand/internal/link"
)

// Target returns the configured controller endpoint.
func (s SerialConfig) Target() link.Target {
	timeout := s.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return link.Target{
		Transport:   s.Transport,
		Port:        s.Port,
		Address:     s.Address,
		BaudRate:    s.BaudRate,
		DialTimeout: timeout,
	}
}
