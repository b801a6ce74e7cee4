/*
Package registry implements the Instance registry (C3) and Kernel
registry (C4): in-memory catalogs mutated under a mutex covering each
placement, release, and destroy read-modify-write span.

Invariants maintained by this package: for every Instance i,
0 <= i.Current <= i.Maximum and len(i.OccupiedPorts) == i.Current; a
port reservation and the current-count increment always move together,
and likewise for release.
*/
package registry
