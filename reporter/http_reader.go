// Reader is the client side of the http reporter. The CLI and the tests use
// it to drive a running bridge server.

package reporter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

type HttpReader struct {
	serverIP   string // listen ip
	serverPort string // listen port
	client     *http.Client
}

func NewHttpReader(serverIP string, serverPort string) *HttpReader {
	return &HttpReader{
		serverIP:   serverIP,
		serverPort: serverPort,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (hr *HttpReader) url(route string) string {
	return "http://" + net.JoinHostPort(hr.serverIP, hr.serverPort) + route
}

// do sends the request and decodes a 2xx body into out. Any other status is
// turned into an error carrying the server message.
func (hr *HttpReader) do(method, route string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, hr.url(route), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hr.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Read the response body
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %d: %s", method, route, resp.StatusCode, e.Error)
		}
		return fmt.Errorf("%s %s: %d", method, route, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (hr *HttpReader) GetHello() (string, error) {
	var out struct {
		Message string `json:"message"`
	}
	if err := hr.do(http.MethodGet, ROUTE_HELLO, nil, &out); err != nil {
		return "", err
	}
	return out.Message, nil
}

// Deposit starts a deposit and returns the operation id.
func (hr *HttpReader) Deposit(account, amount string) (string, error) {
	return hr.start(ROUTE_DEPOSIT, account, amount)
}

// Withdraw starts a withdrawal and returns the operation id.
func (hr *HttpReader) Withdraw(account, amount string) (string, error) {
	return hr.start(ROUTE_WITHDRAW, account, amount)
}

func (hr *HttpReader) start(route, account, amount string) (string, error) {
	var out struct {
		OperationID string `json:"operationId"`
	}
	if err := hr.do(http.MethodPost, route, &TransferRequest{Account: account, Amount: amount}, &out); err != nil {
		return "", err
	}
	return out.OperationID, nil
}

func (hr *HttpReader) GetOperation(id string) (*OperationStatus, error) {
	out := &OperationStatus{}
	if err := hr.do(http.MethodGet, ROUTE_OPERATION+"/"+url.PathEscape(id), nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (hr *HttpReader) Resume(id string) (string, error) {
	var out struct {
		OperationID string `json:"operationId"`
	}
	if err := hr.do(http.MethodPost, ROUTE_OPERATION+"/"+url.PathEscape(id)+"/resume", nil, &out); err != nil {
		return "", err
	}
	return out.OperationID, nil
}

// ListOperations returns the stored operations, filtered by state unless
// state is empty.
func (hr *HttpReader) ListOperations(state string) ([]*OperationStatus, error) {
	route := ROUTE_OPERATIONS
	if state != "" {
		route += "?state=" + url.QueryEscape(state)
	}
	var out struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := hr.do(http.MethodGet, route, nil, &out); err != nil {
		return nil, err
	}

	ops := make([]*OperationStatus, 0, len(out.Data))
	for _, raw := range out.Data {
		st := &OperationStatus{}
		if err := json.Unmarshal(raw, &st.Operation); err != nil {
			return nil, err
		}
		ops = append(ops, st)
	}
	return ops, nil
}
