// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

/*
Package rsocket implements the RSocket protocol.

RSocket is an asymmetric, bidirectional, multiplexed message-passing
protocol for use over any reliable, frame-preserving byte transport (TCP,
WebSocket, or an in-process pipe). It provides five application-level
interaction models — fire-and-forget, request/response, request/stream,
request/channel, and metadata-push — layered over a single logical
connection shared by a Requester and a Responder.

A Connection multiplexes many concurrent interactions, identified by a
31-bit stream id, onto a single transport. The transport need not be
aware of streams at all: it is only asked to preserve the frame
boundaries handed to it by a DuplexConnection. Connection maintains the
set of active stream ids and handles the per-stream flow control
mechanism, which is a REQUEST_N credit scheme advertised by the receiving
side.

A Requester originates interactions and owns the receiving half of each
stream's state. A Responder accepts the peer's interactions and owns the
sending half, bounded by the credit the Requester has granted.

Stream 0 is reserved for connection-level frames: SETUP, KEEPALIVE,
LEASE, METADATA_PUSH, and fatal ERROR.
*/
package rsocket
