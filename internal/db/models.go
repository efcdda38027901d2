package db

type MonitorSnapshot struct {
	Key         string
	Url         string
	ContentHash string
	Content     string
	CheckedAt   int64
	ChangedAt   int64
}

type Session struct {
	ID             string
	Dir            string
	Label          string
	Authenticated  int64
	CreatedAt      int64
	LastUsedAt     int64
	LeaseToken     string
	LeaseExpiresAt int64
}
