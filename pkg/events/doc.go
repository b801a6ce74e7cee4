/*
Package events implements the two-stage event-ingest plane: a Router
(C6) that proxies raw agent event frames from a network-facing ingress
socket onto a local Unix-domain bus, and a Dispatcher (C7) that reads
the bus and fans frames out to per-event-name handler chains.

The router and dispatcher share no memory; they communicate only by
frames written to and read from the bus socket. Running them in the
same process is a deployment choice, not a coupling: the router could
just as well run as a separate process reading the same bus path.

Frames are a 3-tuple: event name, agent id, and an args blob encoded
with encoding/gob (no MsgPack library is available in this module's
dependency set; gob gives the same self-describing round-trip
property for the Go values handlers decode).

Handlers registered for the same event name observe frames in the
order the dispatcher received them. Handlers for different event names
have no ordering relationship. A handler's panic is recovered, logged,
and does not affect any other handler or frame.
*/
package events
