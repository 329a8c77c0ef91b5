// Package provider 根据 chains.yaml 与环境变量快捷配置组装链客户端注册表。
package provider
