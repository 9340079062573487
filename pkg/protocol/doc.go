/*
Package protocol defines the request/response wire protocol.

One connection carries exactly one JSON packet:

	{
	  "header":  { "cmUser": "...", "cmPassword": "...", "cmRequest": "GET_CR" },
	  "payload": { "args": { "label": "..." } }
	}

and one response, an ASCII code followed by a space:

	200 <JSON-encoded result>
	400 <opaque message>     authentication or authorization failed
	500 <opaque message>     invalid packet or internal error

Parse validates the schema strictly; any missing key or wrong type is
a ProtocolError. The Dispatcher routes validated packets by request
kind; v1 defines GET_CR.
*/
package protocol
