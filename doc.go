// Package embhttp is an embeddable HTTP/1.0 and HTTP/1.1 server engine
// built for applications that need to answer HTTP without surrendering
// control of threading or memory to a framework.
//
// Highlights
//   - Incremental push parser: bytes go in as they arrive, a request
//     comes out when it is complete, with identical results whatever
//     the arrival granularity.
//   - Three body sources for responses: borrowed caller bytes, pooled
//     engine-owned buffers returned exactly once, and streaming
//     producers with chunked framing.
//   - Three scheduling modes: a goroutine per connection, a single
//     multiplexed service loop, or fully external where the embedder's
//     own event loop drives every read and write.
//   - A request always gets an answer: malformed input is answered with
//     its status and the connection closed, handler failures with a
//     synthesized 500. No silent drops.
//
// Quick start:
//
//	s := &embhttp.Server{Addr: ":8080"}
//	s.Handler = embhttp.HandlerFunc(func(req *embhttp.Request) (*embhttp.Response, error) {
//	    resp := embhttp.NewResponse(200, []byte("hello\n"))
//	    resp.SetHeader("Content-Type", "text/plain; charset=utf-8")
//	    return resp, nil
//	})
//	if err := s.ListenAndServe(); err != nil { log.Fatal(err) }
package embhttp
