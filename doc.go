// Package palindrom provides a Go client that keeps a local JSON document in
// sync with a server-held counterpart by exchanging JSON Patch batches.
//
// The client bootstraps over HTTP and, when enabled, upgrades to a WebSocket
// derived from the handshake response. It exposes three core operations:
//
//   - Start: fetch the initial state and begin the socket upgrade
//   - Send: deliver a patch batch over whichever transport is currently open
//   - Close: stop the heartbeat and release the socket
//
// Basic usage:
//
//	client, err := palindrom.NewClient(palindrom.Config{
//	    RemoteURL:    "http://localhost:5000/app/session",
//	    UseWebSocket: true,
//	}, palindrom.LogErrors(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client.OnStateReset(func(doc *palindrom.Document) {
//	    var state AppState
//	    doc.Decode(&state)
//	})
//
//	if err := client.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.Send(ctx, []palindrom.Operation{
//	    {Op: palindrom.OpReplace, Path: "/firstName", Value: "Omar"},
//	})
package palindrom
