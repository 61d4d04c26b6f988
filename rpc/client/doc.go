// Package client implements a Go client for the binary key-value protocol. It is used by the
// command line tools and the end-to-end tests.
//
// Usage Example:
//
//	config := common.ClientConfig{
//	  Endpoint:      "127.0.0.1:7700",
//	  TimeoutSecond: 5,
//	  RetryCount:    3,
//	}
//
//	c, err := client.Dial(ctx, config, tcp.NewTCPClientConnector())
//	defer c.Close()
//
//	err = c.Set(ctx, []byte("foo"), []byte("bar"))
//	value, err := c.Get(ctx, []byte("foo")) // "bar"
//	err = c.Delete(ctx, []byte("foo"))
//	value, err = c.Get(ctx, []byte("foo"))  // nil
//
// Thread Safety:
//
//	A Client can be shared between goroutines. Requests are pipelined over the single
//	connection, responses are matched to requests by order.
package client
