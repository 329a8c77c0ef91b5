// Package ingest 实现智能体知识文件的入库流水线。
//
// 上传由 Service 受理：校验大小与 MIME 类型后，内容暂存在缓存中，并投递一个
// file.ingest 任务。Worker 在任务中按智能体加锁，分块、批量生成向量并写入
// chromem 向量库。Retriever 为 Agent 提供相似片段检索。
package ingest
