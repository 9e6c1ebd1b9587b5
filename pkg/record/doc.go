// Package record defines the data shapes shared by every stash component:
// the Envelope written to and read from the document stores, the declarative
// Collection metadata that replaces per-collection save methods, and the
// error taxonomy used when persistence degrades.
//
// # Envelopes
//
// An Envelope is created per write call and is immutable once handed to the
// persistence layer. Keyed collections (for example trained_models) require an
// ID and are written with upsert semantics; append-only collections
// (predictions, batch inferences, XAI analyses, ...) receive a generated ID so
// that the primary and shadow copies of a record share the same identity.
//
// Values of type []byte inside Payload are opaque blobs (images, circuit
// diagrams, heatmaps). They are stored natively by each backend and are never
// interpreted.
//
// # Collections
//
// Collections are fixed configuration rather than structure: the persistence
// layer treats every collection identically and only consults the Registry
// for three facts: whether an ID is required, which fields carry binary data,
// and how many records the history view shows.
//
//	reg := record.NewRegistry(record.DefaultCollections()...)
//	col := reg.Lookup("prediction_circuits")
//	env, err := col.Prepare(record.Envelope{
//		Payload: map[string]any{"diagram": base64Diagram},
//	})
//	// env.Payload["diagram"] is now []byte
package record
