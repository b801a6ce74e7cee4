/*
Package runtime wraps the containerd client used by the container
kernel driver variant (pkg/driver). One container hosts one kernel:
PullImage, CreateContainer, StartContainer, StopContainer (SIGTERM
then, on timeout, SIGKILL), and DeleteContainer cover the backend
half of create_kernel/destroy_kernel. GetContainerIP resolves a
kernel's agent address when the spawn path doesn't already know it.

Namespace isolation, resource limits, and snapshot cleanup follow
containerd's usual conventions; this package does not interpret kernel
semantics beyond starting and stopping the process that hosts one.
*/
package runtime
