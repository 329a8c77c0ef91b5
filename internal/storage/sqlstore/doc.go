// Package sqlstore 提供 MySQL / PostgreSQL / SQLite 三种方言下的连接、迁移、查询构造器以及智能体配置、会话与消息仓库。
package sqlstore
