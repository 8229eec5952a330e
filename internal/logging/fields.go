package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供缓存名/请求/命中结果字段，供拦截请求日志复用。
func RequestFields(store, method, url, outcome string) logrus.Fields {
	return logrus.Fields{
		"store":   store,
		"method":  method,
		"url":     url,
		"outcome": outcome,
	}
}

// StoreFields 用于淘汰、清理等只涉及缓存实例的后台任务。
func StoreFields(action, store string) logrus.Fields {
	return logrus.Fields{
		"action": action,
		"store":  store,
	}
}
