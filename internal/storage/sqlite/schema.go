package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS issues (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	body       TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'open'
	           CHECK (status IN ('open','in_progress','paused','closed','duplicate')),
	outcome    TEXT
	           CHECK (outcome IS NULL OR outcome IN ('success','failure','expanded','skipped')),
	priority   INTEGER NOT NULL DEFAULT 3
	           CHECK (priority BETWEEN 1 AND 5),
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS issue_tags (
	issue_id TEXT NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
	tag      TEXT NOT NULL,
	PRIMARY KEY (issue_id, tag)
);

CREATE TABLE IF NOT EXISTS issue_comments (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	issue_id   TEXT NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
	author     TEXT NOT NULL DEFAULT '',
	body       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS issue_deps (
	src_id   TEXT NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
	dst_id   TEXT NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
	relation TEXT NOT NULL DEFAULT 'blocks'
	         CHECK (relation IN ('blocks','parent','related')),
	created_at INTEGER NOT NULL,
	PRIMARY KEY (src_id, dst_id, relation)
);

CREATE INDEX IF NOT EXISTS idx_issues_status ON issues(status);
CREATE INDEX IF NOT EXISTS idx_deps_dst ON issue_deps(dst_id, relation);
CREATE INDEX IF NOT EXISTS idx_tags_tag ON issue_tags(tag);
`
