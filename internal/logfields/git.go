package logfields

import "go.uber.org/zap"

func Repository(val string) zap.Field {
	return zap.String("git.repository", val)
}

func RepositoryOwner(val string) zap.Field {
	return zap.String("github.repository_owner", val)
}

func Branch(val string) zap.Field {
	return zap.String("git.branch", val)
}

func RepositoryURL(val string) zap.Field {
	return zap.String("git.repository_url", val)
}

func SnapName(val string) zap.Field {
	return zap.String("snap.name", val)
}
