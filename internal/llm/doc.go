// Package llm contains the clients for the model services backing the
// system: text embedding, cross-encoder reranking, chat completion with
// streaming, and vision captioning. All clients speak the OpenAI-compatible
// HTTP API, share the same retry and concurrency-bounding behavior, and
// report token usage through a pluggable hook.
package llm
