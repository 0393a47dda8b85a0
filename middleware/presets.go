package middleware

import (
	"time"

	"github.com/namansharma28/gravitas/ratelimit"
)

// Rate tiers, from the strictest to the most permissive.
var (
	AuthRate   = ratelimit.Rate{Limit: 5, Window: 15 * time.Minute}
	UploadRate = ratelimit.Rate{Limit: 10, Window: time.Minute}
	AdminRate  = ratelimit.Rate{Limit: 50, Window: time.Minute}
	APIRate    = ratelimit.Rate{Limit: 100, Window: time.Minute}
	PublicRate = ratelimit.Rate{Limit: 200, Window: time.Minute}
)

// Auth is for sign in and similar brute force targets.
func Auth(route string) Options { return preset(route, AuthRate) }

func Upload(route string) Options { return preset(route, UploadRate) }

func API(route string) Options { return preset(route, APIRate) }

// Public is for cheap read only endpoints.
func Public(route string) Options { return preset(route, PublicRate) }

func Admin(route string) Options { return preset(route, AdminRate) }

// NoRateLimit keeps monitoring and logging only.
func NoRateLimit(route string) Options {
	return Options{RouteName: route, SkipRateLimit: true}
}

func preset(route string, rate ratelimit.Rate) Options {
	return Options{RouteName: route, RateLimit: &rate}
}
