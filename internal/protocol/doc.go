// Package protocol implements the line-oriented ASCII wire format spoken with
// the stand microcontroller.
//
// Outbound lines are newline terminated and take one of three forms:
//
//	M,<index>,<angle>      servo motor position
//	V,<index>,<O|C>        valve open/close (legacy firmware: <driver>,<channel>,<O|C>)
//	SEQ_SHUTDOWN           bare firmware token (SEQ_*, DIAG_<NAME>)
//
// Inbound lines are comma separated key:value pairs such as
//
//	pt1:512.3,pt2:498.0,V1LS_OPEN:1,V1LS_CLOSED:0
package protocol
