// Package agent contains the shared handshake protocol that every trading
// agent runs on inbound messages, together with the concrete expert and risk
// agents built on top of it. The protocol extracts and validates envelopes,
// verifies sender tokens against the identity registry, short-circuits repeat
// verification through the session cache, and answers with freshly minted
// response tokens and signed credentials.
package agent
