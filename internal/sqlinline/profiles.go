package sqlinline

const QSelectProfile = `--sql cc3235ee-b8e1-4e66-af66-0d7be39b4d1b
select
    u.id::text,
    coalesce(u.username, ''),
    coalesce(u.personal_auth_token, ''),
    coalesce(u.recaptcha_token, ''),
    coalesce(u.role, 'user'),
    coalesce(r.status, ''),
    r.expires_at,
    coalesce(u.proxy_server, '')
from users u
left join lateral (
    select status, expires_at
    from token_ultra_registrations
    where user_id = u.id
    order by updated_at desc
    limit 1
) r on true
where u.id = $1::uuid
limit 1;
`

const QUpdatePersonalToken = `--sql 71631101-964b-46d7-b4ba-e37e86ce7eac
update users
set personal_auth_token = $2::text,
    updated_at = now()
where id = $1::uuid;
`

const QUpdateCaptchaKey = `--sql 404c6b0c-bfdd-41f3-a862-e4c4138f5a4b
update users
set recaptcha_token = $2::text,
    updated_at = now()
where id = $1::uuid;
`

const QSelectSharedCaptchaKey = `--sql 2e54b954-a33f-4f98-8f20-313382386d1a
select api_key
from master_recaptcha_tokens
where status = 'active'
order by updated_at desc
limit 1;
`
