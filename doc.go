/*
Package main implements meshns, a DNS authority for the members of an
overlay network.

meshns fetches the member roster of one network from a directory (the
central controller API or Kubernetes pods), turns it into a zone and
serves it over UDP, TCP, DNS-over-TLS, DNS-over-QUIC and DNS-over-HTTPS.
Queries outside the zone are forwarded to the configured upstreams.

Names:

Every authorized member with DNS enabled gets its identifier label and,
when its name is a valid DNS label, its name label under the zone
(home.arpa. by default). With wildcards enabled any name below a member
name resolves to the member. Reverse names inside the managed networks
are answered authoritatively. Entries of an optional hosts file are
merged in and override member names.

Architecture:

Queries pass a chain of middlewares in order:

 1. Recovery - panic recovery
 2. AccessList - IP-based access control
 3. RateLimit - per-client query rate limiting
 4. Metrics - Prometheus counters and latency histograms
 5. AccessLog - query logging in common log style
 6. Authority - answers from the current zone
 7. Forwarder - relays everything else upstream

A sync loop rebuilds the zone on a fixed interval, swaps it in
atomically and pushes the resolver setting back to the directory. An
HTTP API exposes the zone, the sync status, manual sync and metrics.

Usage:

	meshns start <network-id> [--config meshns.conf] [--loglevel debug]
	meshns version

The config file is generated on first start when missing. The central
token is taken from the config or the MESHNS_TOKEN environment variable;
MESHNS_LOG sets the log level.
*/
package main
