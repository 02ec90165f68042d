package sqlinline

const QSelectIntegrationToken = `--sql 5e746146-d164-47d4-90a8-7261ecb787da
SELECT token
FROM integration_tokens
WHERE provider = $1`

const QUpsertIntegrationToken = `--sql 202a9207-cb95-4732-9f8c-b3cfd24d07ba
INSERT INTO integration_tokens (provider, token, properties, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (provider)
DO UPDATE SET token = EXCLUDED.token, properties = EXCLUDED.properties, updated_at = now()`
