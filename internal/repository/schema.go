package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

// Decisions are append-only. The full decision is kept as JSON in body;
// the indexed columns exist for listing and filtering.
const schemaDecisions = `
CREATE TABLE IF NOT EXISTS decisions (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    module TEXT,
    label TEXT NOT NULL,
    confidence DOUBLE PRECISION NOT NULL,
    status TEXT NOT NULL,
    escalated INTEGER NOT NULL DEFAULT 0,
    body TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_decisions_created ON decisions(tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_decisions_status ON decisions(tenant_id, status);
`

const schemaFeedback = `
CREATE TABLE IF NOT EXISTS feedback (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    decision_id TEXT NOT NULL,
    correct INTEGER NOT NULL,
    actual_outcome TEXT,
    decision_label TEXT NOT NULL,
    confidence DOUBLE PRECISION NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_feedback_decision ON feedback(tenant_id, decision_id);
`

const schemaEntities = `
CREATE TABLE IF NOT EXISTS compliance_entities (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    status TEXT NOT NULL,
    body TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);
`

const schemaComplianceErrors = `
CREATE TABLE IF NOT EXISTS compliance_errors (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    class TEXT NOT NULL,
    severity TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    body TEXT NOT NULL,
    detected_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_compliance_errors_entity ON compliance_errors(tenant_id, entity_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaDecisions,
		schemaFeedback,
		schemaEntities,
		schemaComplianceErrors,
	}
}
