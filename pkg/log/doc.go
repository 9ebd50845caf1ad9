/*
Package log provides structured logging for qbouncer using zerolog.

Init configures the process-wide Logger from the --log-level/-v CLI flags
and the service.log_level configuration field: cmd/qbouncer calls it at
startup and again once the configuration is loaded, unless a level was
explicitly passed on the CLI, which then wins. Every collaborator pulls a
WithComponent("...") child logger so log lines carry a "component" field:
"vpnmonitor", "natpmp", "qbittorrent", "killswitch", "statestore",
"supervisor". Output defaults to stderr, so stdout stays free for any
future machine-readable output; JSON output is available for
log-aggregator consumption via Config.JSONOutput.
*/
package log
