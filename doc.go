// Package agentlink is a Go client for driving a long-running agent CLI
// server over JSON-RPC.
//
// agentlink spawns (or attaches to) an agent server process, multiplexes
// typed sessions over a single connection, streams session events to host
// callbacks, and bridges server-initiated tool calls back to host handlers.
//
// # Core Types
//
//   - [Client]: owns the server process, the connection, and the session registry
//   - [Session]: a handle bound to one conversation on the server
//   - [SessionEvent]: the closed set of events a session produces
//   - [Tool]: a host capability the server may invoke during a turn
//   - [Option]: functional options for [New]
//
// # Quick Start
//
//	client, err := agentlink.New(agentlink.WithBinary("agentd"))
//	if err != nil { log.Fatal(err) }
//	if err := client.Start(ctx); err != nil { log.Fatal(err) }
//	defer client.ForceStop()
//
//	session, err := client.CreateSession(ctx, agentlink.SessionConfig{})
//	if err != nil { log.Fatal(err) }
//	defer session.Destroy(ctx)
//
//	reply, err := session.SendAndWait(ctx, agentlink.MessageOptions{Prompt: "Hello"})
//	if err != nil { log.Fatal(err) }
//	fmt.Println(reply.Content)
//
// The client speaks one of two wire dialects, fixed at construction: the
// server's native protocol (default) or the Agent Client Protocol
// ([DialectACP]). Dialect translation happens below the public surface;
// hosts only ever see the protocol-agnostic vocabulary defined here.
package agentlink
