// Package ws is the WebSocket transport used by the realtime engine.
//
// A Conn wraps one gorilla/websocket connection with a read loop that decodes
// JSON frames and hands them to a Handler serially, and a write loop that
// drains a priority queue before the normal queue and sends periodic pings.
//
//	upgrader := ws.NewUpgrader(cfg)
//	raw, err := upgrader.Upgrade(w, r, nil)
//	if err != nil {
//	    return
//	}
//	conn := ws.NewConn(raw, cfg, metrics)
//	err = conn.Serve(ctx, handler) // blocks until the connection is closed
//
// Sends never block: a full queue reports ErrChannelFull and the frame is
// dropped. A connection that sends more than Config.MaxInvalidFrames
// consecutive undecodable frames is closed.
package ws
