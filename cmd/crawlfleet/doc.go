// Package main hosts the crawlfleet entrypoint.
//
// Architecture overview:
//   - Bus: every participant binds to one exchange through internal/bus.Adapter, which encodes envelopes with the
//     configured codec (JSON or MessagePack), validates them against the command taxonomy, drops traffic addressed
//     to other participants and retries failed publishes with jittered backoff. Backends are an in-process exchange,
//     Google Cloud Pub/Sub (one topic, one exclusive subscription per participant) and a ZeroMQ XSUB/XPUB forwarder.
//   - Dispatcher: keeps crawl targets in insertion order, tracks scrapers by their scraper_available heartbeats and
//     sends the oldest due target to an idle, live scraper. A dispatch is stamped before it is published and rolled
//     back if the publish fails. Targets persist to Postgres when db.dsn is set and can be seeded from a YAML file.
//   - Scraper: a small state machine (idle, busy, shutting_down). A url_dispatch starts a Colly crawl bounded by a
//     page budget and per-domain rate limits; the result is broadcast as scraper_finished and the worker announces
//     availability again. Status requests are answered with simple or full snapshots.
//   - Admin API: the dispatcher serves health probes, Prometheus metrics and operator commands (targets, workers,
//     status requests, reset, shutdown) on server.port.
//
// Operational notes:
//   - Shutdown: SIGINT/SIGTERM cancel the root context; a global_shutdown broadcast stops every participant.
//   - Observability: zap logs carry participant ids and URLs at key transitions; Prometheus counters track envelopes,
//     dispatches, jobs and crawled pages.
//
// Quick checklist:
//   - Configure with a file (--config) or CRAWLFLEET_* env vars, e.g. CRAWLFLEET_BUS_BACKEND=pubsub,
//     CRAWLFLEET_BUS_PUBSUB_PROJECT_ID, CRAWLFLEET_DB_DSN, CRAWLFLEET_STORAGE_BACKEND=gcs.
//   - Run locally: go run ./cmd/crawlfleet local --scrapers 4
//   - Distributed: crawlfleet proxy, then crawlfleet dispatcher and any number of crawlfleet scraper processes
//     with bus.backend=zeromq.
package main
