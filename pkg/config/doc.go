// Package config loads the two layers of tablemirror configuration.
//
// # Replication files
//
// Each YAML file in the configs directory describes one source database and
// the tables mirrored from it:
//
//	config_enabled: true
//	database_connection:
//	  engine: mysql
//	  host: ${DB_HOST}
//	  port: 3306
//	  username: ${DB_USER}
//	  password: ${DB_PASSWORD}
//	  database: shop
//	extraction_file:
//	  file_format: parquet
//	  local_storage_directory: data
//	  delete_after_upload: true
//	cloud:
//	  provider: aws
//	  bucket: shop-mirror
//	warehouse:
//	  type: snowflake
//	  snowflake:
//	    account: xy12345
//	    ...
//	tables:
//	  - table_name: orders
//	    ingestion_mode: incremental
//	    incremental_column: id
//	  - table_name: countries
//	    ingestion_mode: full_load
//
// ${VAR} and ${VAR:-default} are substituted from the environment before
// parsing. The cloud and warehouse sections are optional; defaults are
// applied once, when the file is loaded. Invalid files and tables surface
// as ConfigErrors and are never scheduled.
//
// # Process settings
//
// Worker count, state database path, retry knobs and logging are bound
// through viper from flags, TABLEMIRROR_* environment variables and an
// optional settings file. See NewViper and LoadSettings.
package config
