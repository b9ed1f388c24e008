/*
Package log provides structured logging for HashSentry using zerolog.

The package keeps one root logger, configured once from main, and hands
out child loggers scoped to the domain: WithComponent for subsystems,
WithTenantID and WithSiteID for tenancy, WithConsumer for consumer groups.

# Usage

	log.Init(log.Config{Level: "info", JSON: true})

	pubLog := log.WithComponent("outbox-publisher")
	pubLog.Info().Int("batch", n).Msg("published outbox batch")

	log.Logger.Error().
		Err(err).
		Str("event_id", ev.ID).
		Msg("handler failed")

JSON output is the production format; console output is for development.
Never log collector keys, device secrets, or command signatures.
*/
package log
