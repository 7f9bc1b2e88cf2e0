package sqlinline

// QRequestGenerationSlot asks the database-side gate for a slot on a server.
// The function owns all slot and cooldown state.
const QRequestGenerationSlot = `--sql e3d7eab0-0ee6-4e9a-9142-03843a73ebd9
select request_generation_slot(cooldown_seconds => $1::int, server_url => $2::text);
`
