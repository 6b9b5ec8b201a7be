package store

import "fmt"

// Vector namespaces. Each one is backed by its own vec0 table.
const (
	NamespaceChunks    = "chunks"
	NamespaceEntities  = "entities"
	NamespaceRelations = "relations"
)

var vecTables = map[string]string{
	NamespaceChunks:    "vec_chunks",
	NamespaceEntities:  "vec_entities",
	NamespaceRelations: "vec_relations",
}

func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Store-level settings (embedding dimension).
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

-- Inserted documents, keyed by content hash.
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	content_hash TEXT NOT NULL UNIQUE,
	content_summary TEXT NOT NULL DEFAULT '',
	content_length INTEGER NOT NULL DEFAULT 0,
	chunk_count INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	error TEXT NOT NULL DEFAULT '',
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Token windows of documents. Content addressed, never updated.
CREATE TABLE IF NOT EXISTS chunks (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	chunk_index INTEGER NOT NULL,
	content TEXT NOT NULL,
	token_count INTEGER NOT NULL DEFAULT 0,
	start_token INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Knowledge graph nodes.
CREATE TABLE IF NOT EXISTS entities (
	name TEXT PRIMARY KEY,
	entity_type TEXT NOT NULL DEFAULT 'unknown',
	description TEXT NOT NULL DEFAULT '',
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS entity_chunks (
	entity_name TEXT NOT NULL REFERENCES entities(name) ON DELETE CASCADE,
	chunk_id TEXT NOT NULL REFERENCES chunks(id) ON DELETE CASCADE,
	PRIMARY KEY (entity_name, chunk_id)
);

-- Knowledge graph edges. Endpoints must exist as entities.
CREATE TABLE IF NOT EXISTS relations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source TEXT NOT NULL REFERENCES entities(name) ON DELETE CASCADE,
	target TEXT NOT NULL REFERENCES entities(name) ON DELETE CASCADE,
	keywords TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	weight REAL NOT NULL DEFAULT 1.0,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(source, target)
);

CREATE TABLE IF NOT EXISTS relation_chunks (
	relation_id INTEGER NOT NULL REFERENCES relations(id) ON DELETE CASCADE,
	chunk_id TEXT NOT NULL REFERENCES chunks(id) ON DELETE CASCADE,
	PRIMARY KEY (relation_id, chunk_id)
);

-- Vector index entries. The id is the insertion sequence and the rowid of
-- the matching vec0 row.
CREATE TABLE IF NOT EXISTS vector_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	namespace TEXT NOT NULL,
	key TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	UNIQUE(namespace, key)
);

CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(
	entry_id INTEGER PRIMARY KEY,
	embedding float[%[1]d] distance_metric=cosine
);

CREATE VIRTUAL TABLE IF NOT EXISTS vec_entities USING vec0(
	entry_id INTEGER PRIMARY KEY,
	embedding float[%[1]d] distance_metric=cosine
);

CREATE VIRTUAL TABLE IF NOT EXISTS vec_relations USING vec0(
	entry_id INTEGER PRIMARY KEY,
	embedding float[%[1]d] distance_metric=cosine
);

-- Completion cache.
CREATE TABLE IF NOT EXISTS llm_cache (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Query audit log.
CREATE TABLE IF NOT EXISTS query_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	query_id TEXT NOT NULL,
	query TEXT NOT NULL,
	mode TEXT NOT NULL,
	answer TEXT,
	entities INTEGER DEFAULT 0,
	relations INTEGER DEFAULT 0,
	chunks INTEGER DEFAULT 0,
	no_context INTEGER DEFAULT 0,
	latency_ms INTEGER DEFAULT 0,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
CREATE INDEX IF NOT EXISTS idx_relations_source ON relations(source);
CREATE INDEX IF NOT EXISTS idx_relations_target ON relations(target);
CREATE INDEX IF NOT EXISTS idx_entity_chunks_chunk ON entity_chunks(chunk_id);
CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
`, embeddingDim)
}
