// Package reflection implements the developer-tooling control protocol.
//
// Server is the V1 protocol: an HTTP API served by the runtime that lists
// and runs actions, cancels runs and redirects trace export. Client and
// Manager are the V2 protocol: JSON-RPC 2.0 over a WebSocket, where the
// runtime dials the manager, registers itself and then serves requests.
//
//	srv := reflection.NewServer(func(o *reflection.ServerOptions) {
//	    o.Engine = eng
//	    o.Exporter = exporter
//	})
//	if err := srv.Start(ctx); err != nil { ... }
//	defer srv.Shutdown(ctx)
package reflection
