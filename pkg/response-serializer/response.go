package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
)

var delim = []byte("\r\n\r\n----\r\n\r\n")

// ResponseToBytes returns the HTTP/1.1 representation of the response,
// preceded by the request that produced it (if set).
// The response body is consumed and then replaced with an equal, unread body,
// so the response stays usable by the caller.
func ResponseToBytes(res *http.Response) ([]byte, error) {
	buf := &bytes.Buffer{}

	if req := res.Request; req != nil {
		if err := req.Write(buf); err != nil {
			log.Warn().Err(err).Msg("Could not write request to bytes")
		}
	} else {
		log.Warn().Msg("Request not set")
	}
	buf.Write(delim)

	bts, err := responseToBytes(res)
	if err != nil {
		return nil, err
	}
	buf.Write(bts)
	return buf.Bytes(), nil
}

// BytesToResponse converts bytes written by ResponseToBytes back into a
// response, with the stored request attached when it can be read.
func BytesToResponse(b []byte) (*http.Response, error) {
	reqBytes, resBytes, found := bytes.Cut(b, delim)
	if !found {
		return nil, fmt.Errorf("Malformed stored response (%d bytes)", len(b))
	}
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(reqBytes)))
	if err != nil {
		log.Trace().Err(err).Msg("Could not read request from stored response")
		req = nil
	}
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(resBytes)), req)
}

// responseToBytes converts a response to a byte slice and resets its body.
func responseToBytes(res *http.Response) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	bts := buf.Bytes()
	clonedRes, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(bts)), res.Request)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(clonedRes.Body)
	if err != nil {
		return nil, err
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	return bts, nil
}
