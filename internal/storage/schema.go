package storage

// Schema is the Postgres DDL for the transactional spine. Applied with
// CREATE IF NOT EXISTS semantics so repeated boots are safe. Unique partial
// indexes on shipping_quotes enforce the auction invariants at the storage
// layer, not just in code.
const Schema = `
CREATE TABLE IF NOT EXISTS identities (
    did              TEXT PRIMARY KEY,
    type             TEXT NOT NULL,
    client_id        TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL,
    public_profile   JSONB,
    type_data        JSONB,
    created_at       TIMESTAMPTZ NOT NULL,
    updated_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS identity_audit (
    did        TEXT NOT NULL REFERENCES identities(did),
    from_state TEXT NOT NULL,
    to_state   TEXT NOT NULL,
    changed_by TEXT NOT NULL,
    reason     TEXT NOT NULL DEFAULT '',
    ts         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_identity_audit_did ON identity_audit(did, ts);

CREATE TABLE IF NOT EXISTS reputations (
    did           TEXT PRIMARY KEY,
    identity_type TEXT NOT NULL,
    score         INTEGER NOT NULL,
    metrics       JSONB NOT NULL,
    events_hash   TEXT NOT NULL DEFAULT '',
    updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS reputation_events (
    event_id       TEXT PRIMARY KEY,
    did            TEXT NOT NULL,
    transaction_id TEXT NOT NULL DEFAULT '',
    type           TEXT NOT NULL,
    ts             TIMESTAMPTZ NOT NULL,
    payload        JSONB
);
CREATE INDEX IF NOT EXISTS idx_reputation_events_did ON reputation_events(did, ts, event_id);

CREATE TABLE IF NOT EXISTS orders (
    id                    TEXT PRIMARY KEY,
    order_number          TEXT NOT NULL UNIQUE,
    buyer_did             TEXT NOT NULL,
    vendor_did            TEXT NOT NULL,
    client_id             TEXT NOT NULL DEFAULT '',
    type                  TEXT NOT NULL,
    items                 JSONB NOT NULL,
    currency              TEXT NOT NULL,
    subtotal              BIGINT NOT NULL,
    fees                  JSONB NOT NULL,
    total                 BIGINT NOT NULL,
    shipping_address      JSONB,
    payment_method        TEXT NOT NULL,
    status                TEXT NOT NULL,
    tracking_number       TEXT NOT NULL DEFAULT '',
    logistics_provider_id TEXT NOT NULL DEFAULT '',
    created_at            TIMESTAMPTZ NOT NULL,
    updated_at            TIMESTAMPTZ NOT NULL,
    paid_at               TIMESTAMPTZ,
    delivered_at          TIMESTAMPTZ,
    completed_at          TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_orders_buyer ON orders(buyer_did);
CREATE INDEX IF NOT EXISTS idx_orders_vendor ON orders(vendor_did);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

CREATE TABLE IF NOT EXISTS order_status_log (
    order_id   TEXT NOT NULL REFERENCES orders(id),
    from_state TEXT NOT NULL,
    to_state   TEXT NOT NULL,
    changed_by TEXT NOT NULL,
    reason     TEXT NOT NULL DEFAULT '',
    metadata   JSONB,
    ts         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_status_log ON order_status_log(order_id, ts);

CREATE TABLE IF NOT EXISTS external_events (
    scope    TEXT NOT NULL,
    event_id TEXT NOT NULL,
    seen_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (scope, event_id)
);

CREATE TABLE IF NOT EXISTS escrows (
    id                   TEXT PRIMARY KEY,
    order_id             TEXT NOT NULL UNIQUE REFERENCES orders(id),
    amount               BIGINT NOT NULL,
    currency             TEXT NOT NULL,
    status               TEXT NOT NULL,
    rules                JSONB NOT NULL,
    dispute_id           TEXT NOT NULL DEFAULT '',
    created_at           TIMESTAMPTZ NOT NULL,
    release_scheduled_at TIMESTAMPTZ NOT NULL,
    released_at          TIMESTAMPTZ,
    refunded_at          TIMESTAMPTZ,
    release_reason       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_escrows_due ON escrows(status, release_scheduled_at);

CREATE TABLE IF NOT EXISTS logistics_providers (
    id                  TEXT PRIMARY KEY,
    business_name       TEXT NOT NULL,
    identity_did        TEXT NOT NULL UNIQUE REFERENCES identities(did),
    service_regions     JSONB NOT NULL,
    shipping_methods    JSONB NOT NULL,
    insurance_available BOOLEAN NOT NULL DEFAULT FALSE,
    average_rating      DOUBLE PRECISION,
    total_deliveries    INTEGER NOT NULL DEFAULT 0,
    created_at          TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS shipping_quotes (
    id                 TEXT PRIMARY KEY,
    order_id           TEXT NOT NULL REFERENCES orders(id),
    provider_id        TEXT NOT NULL REFERENCES logistics_providers(id),
    method             TEXT NOT NULL,
    price              BIGINT NOT NULL,
    currency           TEXT NOT NULL,
    estimated_days     INTEGER NOT NULL,
    insurance_included BOOLEAN NOT NULL DEFAULT FALSE,
    status             TEXT NOT NULL,
    valid_until        TIMESTAMPTZ NOT NULL,
    created_at         TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_quote_pending
    ON shipping_quotes(order_id, provider_id) WHERE status = 'pending';
CREATE UNIQUE INDEX IF NOT EXISTS uq_quote_accepted
    ON shipping_quotes(order_id) WHERE status = 'accepted';
CREATE INDEX IF NOT EXISTS idx_quotes_expiry ON shipping_quotes(status, valid_until);

CREATE TABLE IF NOT EXISTS shipments (
    id                     TEXT PRIMARY KEY,
    order_id               TEXT NOT NULL UNIQUE REFERENCES orders(id),
    quote_id               TEXT NOT NULL UNIQUE REFERENCES shipping_quotes(id),
    provider_id            TEXT NOT NULL REFERENCES logistics_providers(id),
    tracking_number        TEXT NOT NULL UNIQUE,
    status                 TEXT NOT NULL,
    current_location       TEXT NOT NULL DEFAULT '',
    estimated_delivery     TIMESTAMPTZ,
    proof_of_delivery_hash TEXT NOT NULL DEFAULT '',
    created_at             TIMESTAMPTZ NOT NULL,
    updated_at             TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS tracking_events (
    shipment_id TEXT NOT NULL REFERENCES shipments(id),
    status      TEXT NOT NULL,
    location    TEXT NOT NULL DEFAULT '',
    notes       TEXT NOT NULL DEFAULT '',
    ts          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tracking_events ON tracking_events(shipment_id, ts);

CREATE TABLE IF NOT EXISTS disputes (
    id                     TEXT PRIMARY KEY,
    order_id               TEXT NOT NULL UNIQUE REFERENCES orders(id),
    buyer_did              TEXT NOT NULL,
    vendor_did             TEXT NOT NULL,
    type                   TEXT NOT NULL,
    status                 TEXT NOT NULL,
    description            TEXT NOT NULL DEFAULT '',
    evidence               JSONB NOT NULL,
    vendor_response        JSONB,
    vendor_response_due_at TIMESTAMPTZ NOT NULL,
    resolution             TEXT,
    resolution_note        TEXT NOT NULL DEFAULT '',
    confidence             DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at             TIMESTAMPTZ NOT NULL,
    resolved_at            TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_disputes_due ON disputes(status, vendor_response_due_at);

CREATE TABLE IF NOT EXISTS dispute_events (
    dispute_id TEXT NOT NULL REFERENCES disputes(id),
    kind       TEXT NOT NULL,
    actor      TEXT NOT NULL DEFAULT '',
    detail     JSONB,
    ts         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dispute_events ON dispute_events(dispute_id, ts);

CREATE TABLE IF NOT EXISTS ratings (
    id            TEXT PRIMARY KEY,
    order_id      TEXT NOT NULL UNIQUE REFERENCES orders(id),
    buyer_rating  JSONB,
    vendor_rating JSONB,
    revealed_at   TIMESTAMPTZ,
    created_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS governance_signers (
    signer_id    TEXT PRIMARY KEY,
    identity_did TEXT NOT NULL,
    name         TEXT NOT NULL DEFAULT '',
    role         TEXT NOT NULL,
    active       BOOLEAN NOT NULL DEFAULT TRUE,
    added_at     TIMESTAMPTZ NOT NULL,
    removed_at   TIMESTAMPTZ
);

CREATE SEQUENCE IF NOT EXISTS governance_proposal_seq;

CREATE TABLE IF NOT EXISTS governance_proposals (
    id                 TEXT PRIMARY KEY,
    proposal_number    TEXT NOT NULL UNIQUE,
    action             TEXT NOT NULL,
    params             JSONB NOT NULL,
    rationale          TEXT NOT NULL DEFAULT '',
    proposer_id        TEXT NOT NULL,
    status             TEXT NOT NULL,
    required_approvals INTEGER NOT NULL,
    current_approvals  INTEGER NOT NULL DEFAULT 0,
    current_rejections INTEGER NOT NULL DEFAULT 0,
    voting_ends_at     TIMESTAMPTZ NOT NULL,
    created_at         TIMESTAMPTZ NOT NULL,
    executed_at        TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS governance_approvals (
    proposal_id TEXT NOT NULL REFERENCES governance_proposals(id),
    signer_id   TEXT NOT NULL REFERENCES governance_signers(signer_id),
    approved    BOOLEAN NOT NULL,
    signature   TEXT NOT NULL DEFAULT '',
    comment     TEXT NOT NULL DEFAULT '',
    ts          TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (proposal_id, signer_id)
);

CREATE TABLE IF NOT EXISTS governance_executions (
    proposal_id TEXT NOT NULL REFERENCES governance_proposals(id),
    executor_id TEXT NOT NULL,
    status      TEXT NOT NULL,
    error       TEXT NOT NULL DEFAULT '',
    result      TEXT NOT NULL DEFAULT '',
    ts          TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS protocol_parameters (
    name           TEXT PRIMARY KEY,
    value          TEXT NOT NULL,
    previous_value TEXT NOT NULL DEFAULT '',
    updated_by     TEXT NOT NULL DEFAULT '',
    updated_at     TIMESTAMPTZ NOT NULL,
    change_reason  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS treasury_movements (
    id          TEXT PRIMARY KEY,
    proposal_id TEXT NOT NULL,
    destination TEXT NOT NULL,
    amount      BIGINT NOT NULL,
    currency    TEXT NOT NULL,
    status      TEXT NOT NULL,
    rail_ref    TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL,
    settled_at  TIMESTAMPTZ
);
`
