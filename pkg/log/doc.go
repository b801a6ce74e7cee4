/*
Package log wraps zerolog with kernelmgr's logging conventions:
a package-level Logger initialized once via Init, and child loggers
scoped to a component, kernel id, or instance tag.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	l := log.WithComponent("lifecycle")
	l.Info().Str("kernel_id", id).Msg("kernel ready")
*/
package log
