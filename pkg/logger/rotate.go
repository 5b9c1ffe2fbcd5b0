package logger

// RotateConfig 文件轮转配置（lumberjack）
type RotateConfig struct {
	Filename   string
	MaxSize    int  // MB，默认 100
	MaxAge     int  // 天，默认 30
	MaxBackups int  // 默认 10
	Compress   bool
}

func (r *RotateConfig) setDefaults() {
	if r.MaxSize == 0 {
		r.MaxSize = 100
	}
	if r.MaxAge == 0 {
		r.MaxAge = 30
	}
	if r.MaxBackups == 0 {
		r.MaxBackups = 10
	}
}
