// Package retriever defines document indexing and retrieval for
// retrieval-augmented generation. Indexers and retrievers are registered as
// /indexer/<name> and /retriever/<name> actions; MemoryIndex is an
// in-process implementation of both with term-frequency scoring.
package retriever
