package serializer

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"
)

const storedAtHeaderName = "Offline-Cache-Stored-At"

var ErrorMissingStoredAt = errors.New("Stored response has no timestamp")

type StoredResponse struct {
	Response *http.Response
	// The value of the clock at the time the response was written to the bucket.
	StoredAt time.Time
}

// Age returns the number of whole seconds the response has been stored for.
func (s StoredResponse) Age(now time.Time) int {
	age := int(now.Sub(s.StoredAt) / time.Second)
	if age < 0 {
		return 0
	}
	return age
}

// StoredResponseToBytes returns the HTTP/1.1 representation of the stored response.
// The response body is consumed and replaced so that the caller can still read it.
func StoredResponseToBytes(sRes StoredResponse) ([]byte, error) {
	res := sRes.Response
	res.Header.Set(storedAtHeaderName, strconv.FormatInt(sRes.StoredAt.Unix(), 10))
	bts, err := responseToBytes(res)
	// remove the extra header just in case
	res.Header.Del(storedAtHeaderName)
	return bts, err
}

// BytesToStoredResponse reads a response previously written with StoredResponseToBytes.
// The given request is attached to the response.
func BytesToStoredResponse(b []byte, req *http.Request) (StoredResponse, error) {
	sRes := StoredResponse{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
	if err != nil {
		return sRes, err
	}
	sRes.Response = res
	storedAt, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64)
	if err != nil {
		return sRes, ErrorMissingStoredAt
	}
	sRes.StoredAt = time.Unix(storedAt, 0)
	res.Header.Del(storedAtHeaderName)
	return sRes, nil
}

// CloneResponse reads the body of res into memory and returns a copy of res
// whose body can be consumed independently. The body of res is replaced.
func CloneResponse(res *http.Response) (*http.Response, error) {
	var body []byte
	if res.Body != nil {
		var err error
		body, err = io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return nil, err
		}
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	clone := *res
	clone.Header = res.Header.Clone()
	clone.Trailer = res.Trailer.Clone()
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.ContentLength = int64(len(body))
	clone.TransferEncoding = nil
	res.ContentLength = int64(len(body))
	res.TransferEncoding = nil
	return &clone, nil
}

// responseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response and sets the response body back.
func responseToBytes(res *http.Response) ([]byte, error) {
	clone, err := CloneResponse(res)
	if err != nil {
		return nil, err
	}
	// a stored response is always self-delimited by its content length
	clone.Close = false
	clone.Uncompressed = false
	clone.Proto, clone.ProtoMajor, clone.ProtoMinor = "HTTP/1.1", 1, 1
	clone.Header.Del("Transfer-Encoding")
	buf := &bytes.Buffer{}
	if err := clone.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
