package embhttp

// Handler is the embedder's application entry point. ServeRequest is
// called once per request, after the head (and for buffered bodies, the
// complete body) has been parsed.
//
// On success it returns a Response and a nil error; the connection takes
// ownership of the Response. On failure it returns (nil, err): the
// connection answers with a synthesized 500 and closes, since handler
// state is presumed inconsistent. Returning (nil, nil) is treated as a
// failure too; a request is never dropped without a reply.
type Handler interface {
	ServeRequest(req *Request) (*Response, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(req *Request) (*Response, error)

func (f HandlerFunc) ServeRequest(req *Request) (*Response, error) { return f(req) }

// BodySink is optionally implemented by a Handler that wants the request
// body delivered incrementally instead of buffered. BodyChunk is called
// zero or more times with consecutive payload slices; chunk is only
// valid for the duration of the call and must be copied if retained.
// req is the same Request later passed to ServeRequest, with Body nil.
//
// A BodyChunk error aborts the request: ServeRequest is not called and
// the connection answers 500 and closes.
//
// For a request with an empty body BodyChunk is not called at all;
// ServeRequest still is.
type BodySink interface {
	BodyChunk(req *Request, chunk []byte) error
}
