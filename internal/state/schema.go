package state

const schemaSQL = `
CREATE TABLE IF NOT EXISTS wikis (
  id TEXT PRIMARY KEY,
  owner TEXT,
  created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS document_revisions (
  wiki TEXT NOT NULL,
  space TEXT NOT NULL,
  page TEXT NOT NULL,
  locale TEXT NOT NULL,
  version TEXT NOT NULL,
  seq INTEGER NOT NULL,
  content TEXT,
  author TEXT,
  updated_at TEXT NOT NULL,
  PRIMARY KEY (wiki, space, page, locale, version)
);

CREATE INDEX IF NOT EXISTS idx_document_revisions_seq ON document_revisions(wiki, space, page, locale, seq);

CREATE TABLE IF NOT EXISTS journal (
  id TEXT PRIMARY KEY,
  direction TEXT NOT NULL,
  outcome TEXT NOT NULL,
  channel TEXT,
  member TEXT,
  kind TEXT NOT NULL,
  name TEXT,
  source TEXT,
  data TEXT,
  error TEXT,
  trace_id TEXT,
  created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_journal_kind_created ON journal(kind, created_at);
`
