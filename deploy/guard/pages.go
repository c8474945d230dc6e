package guard

const redirectPage = `<!DOCTYPE html>
<html lang="ko">
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>서울경제 뉴스게임</title>
  <meta http-equiv="refresh" content="0; url=/">
</head>
<body>
  <p>페이지를 로딩 중입니다...</p>
  <script>window.location.href = "/";</script>
</body>
</html>
`

const notFoundTemplate = `<!DOCTYPE html>
<html lang="ko">
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>404 - 페이지를 찾을 수 없습니다</title>
  <style>
    body { font-family: system-ui, sans-serif; text-align: center; padding: 50px; }
    h1 { color: #333; }
    a { color: #0070f3; text-decoration: none; }
    a:hover { text-decoration: underline; }
  </style>
</head>
<body>
  <h1>404 - 페이지를 찾을 수 없습니다</h1>
  <p>요청하신 페이지가 존재하지 않습니다.</p>
  <a href="/">홈으로 돌아가기</a>
</body>
</html>
`
