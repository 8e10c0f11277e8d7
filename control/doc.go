/*
Package control implements the engine's WebSocket control channel.

The protocol is one-way: a client connects to the endpoint the engine announced, sends text frames, and closes the connection with a normal closure.
The engine never replies on the channel. The only command defined today is "Terminate", which asks the engine to shut down.

Client is the side lumenctl uses. Server is the engine side, used by the stand-in engine and by tests as a mock endpoint.
*/
package control
