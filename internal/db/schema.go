package db

// SchemaSQL contains the database schema initialization SQL.
const SchemaSQL = `
    -- ==========================================================================
    -- CONCEPT TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS concept SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS ontology ON concept TYPE string;
    DEFINE FIELD IF NOT EXISTS label ON concept TYPE string;
    DEFINE FIELD IF NOT EXISTS equivalence_key ON concept TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS description ON concept TYPE string DEFAULT "";

    DEFINE INDEX IF NOT EXISTS concept_ontology ON concept FIELDS ontology;
    DEFINE INDEX IF NOT EXISTS concept_equivalence ON concept FIELDS equivalence_key;

    -- ==========================================================================
    -- SOURCE TABLE (ingested documents)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS source SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS ontology ON source TYPE string;
    DEFINE FIELD IF NOT EXISTS title ON source TYPE string;
    DEFINE FIELD IF NOT EXISTS document ON source TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS content ON source TYPE string DEFAULT "";

    DEFINE INDEX IF NOT EXISTS source_ontology ON source FIELDS ontology;

    -- ==========================================================================
    -- INSTANCE TABLE (concept evidence in a source)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS instance SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS ontology ON instance TYPE string;
    DEFINE FIELD IF NOT EXISTS concept_id ON instance TYPE string;
    DEFINE FIELD IF NOT EXISTS source_id ON instance TYPE string;
    DEFINE FIELD IF NOT EXISTS quote ON instance TYPE string DEFAULT "";

    DEFINE INDEX IF NOT EXISTS instance_ontology ON instance FIELDS ontology;

    -- ==========================================================================
    -- RELATIONSHIP TABLE
    -- ==========================================================================
    -- Plain table with string endpoints: deferred edges may point at
    -- concepts that do not exist yet.
    DEFINE TABLE IF NOT EXISTS relationship SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS ontology ON relationship TYPE string;
    DEFINE FIELD IF NOT EXISTS from_id ON relationship TYPE string;
    DEFINE FIELD IF NOT EXISTS to_id ON relationship TYPE string;
    DEFINE FIELD IF NOT EXISTS type ON relationship TYPE string;
    DEFINE FIELD IF NOT EXISTS unresolved ON relationship TYPE bool DEFAULT false;

    DEFINE INDEX IF NOT EXISTS relationship_ontology ON relationship FIELDS ontology;
    DEFINE INDEX IF NOT EXISTS relationship_from ON relationship FIELDS from_id;
    DEFINE INDEX IF NOT EXISTS relationship_to ON relationship FIELDS to_id;
    DEFINE INDEX IF NOT EXISTS relationship_unresolved ON relationship FIELDS unresolved;

    -- ==========================================================================
    -- JOB TABLE (backup, restore and extraction jobs)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS job SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS kind ON job TYPE string;
    DEFINE FIELD IF NOT EXISTS status ON job TYPE string;
    DEFINE FIELD IF NOT EXISTS scope ON job TYPE string;
    DEFINE FIELD IF NOT EXISTS request ON job TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS stage ON job TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS items_processed ON job TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS items_total ON job TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS message ON job TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS result ON job TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS error ON job TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS error_code ON job TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS seq ON job TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS created_at ON job TYPE datetime;
    DEFINE FIELD IF NOT EXISTS updated_at ON job TYPE datetime;
    DEFINE FIELD IF NOT EXISTS started_at ON job TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS completed_at ON job TYPE option<datetime>;

    DEFINE INDEX IF NOT EXISTS job_status ON job FIELDS status;
    DEFINE INDEX IF NOT EXISTS job_created ON job FIELDS created_at;
`
