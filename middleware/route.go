package middleware

import (
	midsec "AgentChat/middleware/security"

	"github.com/gin-gonic/gin"
)

// RouteOpt configures auth for a wrapped route.
type RouteOpt struct {
	Auth  *midsec.Options // nil = public route
	Scope string          // overrides Auth.Scope when set
}

func POST(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	if opt.Auth != nil {
		r.POST(path, midsec.Middleware(authOpts(opt)), handler)
	} else {
		r.POST(path, handler)
	}
}

func GET(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	if opt.Auth != nil {
		r.GET(path, midsec.Middleware(authOpts(opt)), handler)
	} else {
		r.GET(path, handler)
	}
}

func authOpts(opt RouteOpt) midsec.Options {
	opts := *opt.Auth
	if opt.Scope != "" {
		opts.Scope = opt.Scope
	}
	return opts
}
