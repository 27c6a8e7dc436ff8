package updatelog

// PendingFragment stores one buffered CRDT update fragment awaiting flush.
// Rows are append-only within a flush cycle and deleted once the cycle commits.
type PendingFragment struct {
	EntryID           int64  `gorm:"column:entry_id;primaryKey;autoIncrement"`
	DocID             string `gorm:"column:doc_id;size:190;not null;index:idx_pending_fragments_doc"`
	PayloadB64        string `gorm:"column:payload_b64;type:text;not null"`
	AppendedAtSeconds int64  `gorm:"column:appended_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PendingFragment) TableName() string {
	return "doc_pending_fragments"
}
