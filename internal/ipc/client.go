package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
)

// Client is a control-socket connection to a running daemon.
type Client struct {
	conn net.Conn
	rpc  *rpc.Client
}

// Dial connects to the daemon's control socket.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, rpc: jsonrpc.NewClient(conn)}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	if c.rpc != nil {
		return c.rpc.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Status fetches a daemon status snapshot.
func (c *Client) Status() (*StatusResponse, error) {
	resp := &StatusResponse{}
	if err := c.rpc.Call("Bindery.Status", StatusRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Sync triggers a wish-shelf sync.
func (c *Client) Sync() (*SyncResponse, error) {
	resp := &SyncResponse{}
	if err := c.rpc.Call("Bindery.Sync", SyncRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Pause pauses one stage.
func (c *Client) Pause(stage, reason string) (*PauseResponse, error) {
	resp := &PauseResponse{}
	if err := c.rpc.Call("Bindery.Pause", PauseRequest{Stage: stage, Reason: reason}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Resume resumes one stage and re-enqueues its waiting books.
func (c *Client) Resume(stage string) (*ResumeResponse, error) {
	resp := &ResumeResponse{}
	if err := c.rpc.Call("Bindery.Resume", ResumeRequest{Stage: stage}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Retry sends permanently failed books back to the start of the pipeline.
func (c *Client) Retry(bookIDs []int64) (*RetryResponse, error) {
	resp := &RetryResponse{}
	if err := c.rpc.Call("Bindery.Retry", RetryRequest{BookIDs: bookIDs}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ClearCompleted removes finished books from the queue.
func (c *Client) ClearCompleted() (*ClearCompletedResponse, error) {
	resp := &ClearCompletedResponse{}
	if err := c.rpc.Call("Bindery.ClearCompleted", ClearCompletedRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// TestNotification asks the daemon to send a test push.
func (c *Client) TestNotification() (*TestNotificationResponse, error) {
	resp := &TestNotificationResponse{}
	if err := c.rpc.Call("Bindery.TestNotification", TestNotificationRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
