// Package cot implements the Cursor on Target (CoT) data model and the
// streaming XML machinery the server needs to read CoT off a TCP socket.
//
// A CoT message is a single <event> element carrying identity, type,
// timestamps, a point, and an optional detail payload. The detail payload
// is modeled as a tagged sum: a TAKUserDetail (a client describing
// itself), a GeoChat (a chat message), or a GenericDetail (anything else,
// preserved verbatim for round-trip and marti routing). The variant is
// selected purely by the set of child tags under <detail>.
//
// Because TAK clients write a fresh XML document, declaration and all, for
// every event on the same TCP stream, a plain XML parser cannot consume
// the stream directly. The Deframer accepts arbitrary byte chunks and
// yields complete <event> elements, stripping interleaved <?xml ...?>
// declarations along the way.
package cot
