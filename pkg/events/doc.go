/*
Package events provides a terminal-local publish/subscribe broker.

The broker fans out lifecycle events (PLC connect/disconnect, realtime
channel degradation, recipe transitions, external setpoint changes) to
in-process subscribers such as the connection monitor and the metrics dump.
Events never cross process boundaries; the database is the only channel
between terminals.
*/
package events
