// Package pipe implements a juggler connection over a pair of byte streams,
// typically the stdin and stdout of a child process or a pair of inherited
// file descriptors. Messages are framed by a single delimiter byte, NUL by
// default.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 peer
//	Framing          : delimiter terminated JSON documents
//	Ordering         : messages are delivered in read order on one goroutine
//
// Example:
//
//	conn := pipe.New(pipe.WithIO(os.Stdin, os.Stdout))
//	d := juggler.New(conn, registry)
//	if err := conn.Serve(ctx); err != nil { log.Fatal(err) }
package pipe
