/*
包 metrics 提供基于 Prometheus 的全链路指标采集能力，覆盖
摄取、模型提供者、检索、图谱与存储五大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - 摄取指标：任务链总数、阶段耗时、阶段重试、写入索引的 chunk 数，
    按 kb/stage/status 分组。
  - 提供者指标：请求总数、请求耗时、Token 用量（prompt/completion），
    按 provider/operation 分组。
  - 检索指标：查询总数、查询耗时、各路召回候选数，
    按 kb/source 分组。
  - 图谱指标：三元组抽取与实体合并计数，按 kb 分组。
  - 存储指标：后端操作耗时 Histogram、活跃/空闲连接数 Gauge，
    按 backend/operation/database 分组。
*/
package metrics
