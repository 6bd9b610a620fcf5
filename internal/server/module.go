package server

import "go.uber.org/fx"

// Module provides the HTTP server and ties it to the app lifecycle.
var Module = fx.Module("http_server",
	fx.Provide(New),
	fx.Invoke(func(lc fx.Lifecycle, s *Server) {
		lc.Append(fx.Hook{
			OnStart: s.Start,
			OnStop:  s.Stop,
		})
	}),
)
