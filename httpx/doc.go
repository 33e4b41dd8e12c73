// Package httpx is a non-blocking HTTP/1.1 engine built on epoll reactors.
//
// A Stack runs one reactor per CPU. Each reactor has a Multiplexer that
// owns its client connection pool, its buffers and the sockets registered
// with it. Sockets never move between reactors, so handler callbacks for a
// connection always run on the same goroutine and never need locks.
//
// Applications implement ServerHandler and ClientHandler. Callbacks return
// nil to continue, ErrAgain or ErrPause to park the stream until it is
// resumed, and any other error to close it. Server callbacks that have
// already set a response return SendResponse(...). EndTransaction reports
// how far a transaction got and runs exactly once.
//
// Server, Client and Proxy wrap a Stack for the three roles:
//
//	srv := &httpx.Server{Addr: "127.0.0.1:8080", Handler: myHandler}
//	if err := srv.ListenAndServe(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// Client transactions started from a handler go through the stream's
// Multiplexer and stay on the caller's reactor:
//
//	t := &httpx.ClientTransaction{Peer: dest}
//	t.Request.Method, t.Request.URI = "GET", "/"
//	err := s.Multiplexer().ExecuteClientTransaction(t, h)
package httpx
