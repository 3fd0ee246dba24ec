// Package memory implements the vector memory store: a content-addressed
// collection of MemoryEntry records keyed by a pluggable embedding encoder,
// searchable by cosine similarity, summarized through lazy pattern
// extraction and k-means clustering, and bounded through a forgetting
// policy. The core never assumes a specific embedding model — callers
// inject an Encoder, and a deterministic hash-based fallback lets the rest
// of the system run without any external call.
package memory
