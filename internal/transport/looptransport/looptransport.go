// Package looptransport provides an in-process, in-memory substitute for the
// Unix-domain socket transport so Channel/IpcClient tests run without a real
// kernel socket. Modeled on the teacher's virtual.go in-process bus: a pair
// of connected pipes standing in for the two ends of the socket.
package looptransport

import "net"

// Pair returns two connected net.Conn endpoints, one for each side of a
// simulated Unix socket connection.
func Pair() (client, server net.Conn) {
	return net.Pipe()
}
