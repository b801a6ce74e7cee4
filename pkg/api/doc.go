/*
Package api implements the Manager RPC request server: one
net.Listener, one goroutine per connection, requests on a connection
answered strictly in arrival order. PING is answered inline; CREATE and
DESTROY are delegated to a pkg/lifecycle.Coordinator.
*/
package api
