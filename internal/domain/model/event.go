package model

// [EVENT] CORE ENTITY: ONE ROW OF A CONVERSATION'S ORDERED LOG
// Env is an opaque ciphertext envelope; the gateway stores and routes it
// without ever inspecting the plaintext.
type Event struct {
	ConvID        ConvID `db:"conv_id" json:"conv_id"`
	Seq           uint64 `db:"seq" json:"seq"`
	MsgID         string `db:"msg_id" json:"msg_id"`
	Env           []byte `db:"env" json:"env"`
	TsMs          int64  `db:"ts_ms" json:"ts_ms"`
	OriginGateway string `db:"origin_gateway" json:"origin_gateway"`
}

// AppendResult reports the outcome of one send admission.
// Duplicate means the (conv_id, msg_id) pair was already present and Seq
// carries the previously allocated value; no fan-out happens for duplicates.
type AppendResult struct {
	Seq       uint64
	Duplicate bool
}
