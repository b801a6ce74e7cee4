/*
Package lifecycle implements the CREATE/DESTROY/PING state machine:
PLACING (implicit, inside driver.CreateKernel) -> SPAWNED -> PROBING ->
READY -> DESTROYING -> GONE, with FAILED as the off-path terminal for a
kernel that never answers a heartbeat.

Coordinator is the single writer of the Kernel registry. PING needs no
coordinator involvement (it carries no kernel id and mutates nothing);
the request server answers it directly.
*/
package lifecycle
