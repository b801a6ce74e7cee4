/*
Package driver implements the kernel driver capability set: find an
available instance, create a kernel, destroy a kernel, ping its agent,
and fetch its socket endpoints.

Driver holds the logic shared by both variants (port bookkeeping,
kernel naming, agent probing) and delegates the parts that differ to a
small backend interface. NewLocal spawns one child process per kernel
and restricts placement to loopback instances; NewContainer spawns one
containerd container per kernel and places onto any instance address.
The two variants also differ in how much headroom the configured port
range must leave below an instance's maximum: strict for local, equal
permitted for container.
*/
package driver
