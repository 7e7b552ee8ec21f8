package ua

// DataValue wraps a sample with quality and source time. Zero Status is
// Good; zero SourceTimestamp means "derive at encode time" where a
// timestamp is requested.
type DataValue struct {
	Value           Variant
	Status          StatusCode
	SourceTimestamp DateTime
}

// Field is one named sample inside a DataSet. Names are local bookkeeping
// for schema lookup and the JSON payload map; RawData encoding never puts
// them on the wire. Status and SourceTimestamp matter only for the
// DataValue field encoding and the JSON mapping.
type Field struct {
	Name            string
	Value           Variant
	Status          StatusCode
	SourceTimestamp DateTime
}

// FieldMeta and DataSetMeta describe a writer's schema: the ordered
// (name, type) list a subscriber needs to decode RawData payloads.
type FieldMeta struct {
	Name string
	Type BuiltinType
}

type DataSetMeta struct {
	Name   string
	Fields []FieldMeta
}

// MetaFor derives the schema of a field list in declaration order.
func MetaFor(name string, fields []Field) DataSetMeta {
	m := DataSetMeta{Name: name, Fields: make([]FieldMeta, 0, len(fields))}
	for i := range fields {
		m.Fields = append(m.Fields, FieldMeta{Name: fields[i].Name, Type: fields[i].Value.Type()})
	}
	return m
}
